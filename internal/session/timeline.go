package session

import (
	"sort"

	"posologicos-backend/internal/models"
)

// Timeline is a participant's view of the log: deduplicated by id and kept
// in (created_at, id) order no matter how rows arrive.
type Timeline struct {
	msgs []models.RoomMessage
	ids  map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Merge inserts the rows not seen before and returns them.
func (t *Timeline) Merge(msgs ...models.RoomMessage) []models.RoomMessage {
	var added []models.RoomMessage
	for _, m := range msgs {
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		t.ids[m.ID] = struct{}{}
		i := sort.Search(len(t.msgs), func(i int) bool { return m.Before(t.msgs[i]) })
		t.msgs = append(t.msgs, models.RoomMessage{})
		copy(t.msgs[i+1:], t.msgs[i:])
		t.msgs[i] = m
		added = append(added, m)
	}
	return added
}

func (t *Timeline) Messages() []models.RoomMessage {
	out := make([]models.RoomMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Timeline) Len() int {
	return len(t.msgs)
}

func (t *Timeline) Reset() {
	t.msgs = nil
	t.ids = make(map[string]struct{})
}
