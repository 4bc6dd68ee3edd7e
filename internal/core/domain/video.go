package domain

import "fmt"

// VideoID identifies a video by service and service-local id. Two queue
// entries with the same VideoID are the same video regardless of URL form.
type VideoID struct {
	Service string `json:"service"`
	ID      string `json:"id"`
}

func (v VideoID) String() string {
	return fmt.Sprintf("%s:%s", v.Service, v.ID)
}

type Video struct {
	ID        VideoID `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Length    float64 `json:"length"` // seconds
	Thumbnail string  `json:"thumbnail,omitempty"`
	AddedBy   string  `json:"added_by,omitempty"`
}

// Queue is an ordered collection of videos with identity-based membership.
type Queue []Video

func (q Queue) Contains(id VideoID) bool {
	return q.IndexOf(id) >= 0
}

func (q Queue) IndexOf(id VideoID) int {
	for i, v := range q {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// Move relocates the entry at from to position to, shifting the
// entries in between. Indices must already be validated.
func (q Queue) Move(from, to int) Queue {
	v := q[from]
	out := append(q[:from:from], q[from+1:]...)
	out = append(out, Video{})
	copy(out[to+1:], out[to:])
	out[to] = v
	return out
}

// InsertAt places v at index i, clamping i into [0, len(q)].
func (q Queue) InsertAt(i int, v Video) Queue {
	if i < 0 {
		i = 0
	}
	if i > len(q) {
		i = len(q)
	}
	out := append(q[:i:i], append(Queue{v}, q[i:]...)...)
	return out
}

func (q Queue) RemoveAt(i int) Queue {
	return append(q[:i:i], q[i+1:]...)
}
