package heapdump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

// EventType names the kind of an Event envelope.
type EventType string

const (
	EventClassDump      EventType = "class_dump"
	EventLoadClass      EventType = "load_class"
	EventString         EventType = "string"
	EventInstance       EventType = "instance"
	EventObjectArray    EventType = "object_array"
	EventPrimitiveArray EventType = "primitive_array"
	EventEnd            EventType = "end"
)

// Event is the serialised form of a forward-stream event, used when the
// parser runs in another process and publishes its stream. Events keep file
// order; the ordering rules for strings are those of Handler.
type Event struct {
	Type           EventType `json:"type"`
	ObjectID       uint64    `json:"object_id,omitempty"`
	ClassID        uint64    `json:"class_id,omitempty"`
	SuperClassID   uint64    `json:"super_class_id,omitempty"`
	ElementClassID uint64    `json:"element_class_id,omitempty"`
	ElementType    byte      `json:"element_type,omitempty"`
	NameID         uint64    `json:"name_id,omitempty"`
	FieldNameIDs   []uint64  `json:"field_name_ids,omitempty"`
	StringID       uint64    `json:"string_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	Offset         uint64    `json:"offset,omitempty"`
}

// Dispatch delivers ev to h. It reports end=true for the end-of-stream
// marker, which carries no payload.
func Dispatch(ev Event, h Handler) (end bool, err error) {
	switch ev.Type {
	case EventClassDump:
		return false, h.ClassDump(ClassDump{
			ClassID:      ev.ClassID,
			SuperClassID: ev.SuperClassID,
			FieldNameIDs: ev.FieldNameIDs,
		})
	case EventLoadClass:
		return false, h.LoadClass(LoadClass{ClassID: ev.ClassID, NameID: ev.NameID})
	case EventString:
		return false, h.String(StringUTF8{ID: ev.StringID, Text: ev.Text})
	case EventInstance:
		return false, h.InstanceAt(InstanceAt{ObjectID: ev.ObjectID, ClassID: ev.ClassID, Offset: ev.Offset})
	case EventObjectArray:
		return false, h.ObjectArrayAt(ObjectArrayAt{
			ObjectID:       ev.ObjectID,
			ElementClassID: ev.ElementClassID,
			Offset:         ev.Offset,
		})
	case EventPrimitiveArray:
		return false, h.PrimitiveArrayAt(PrimitiveArrayAt{
			ObjectID:    ev.ObjectID,
			ElementType: ev.ElementType,
			Offset:      ev.Offset,
		})
	case EventEnd:
		return true, nil
	default:
		return false, fmt.Errorf("unknown event type %q: %w", ev.Type, apperrors.ErrCorruptStream)
	}
}

// EventList is an in-memory stream. It stops at the first end marker.
type EventList []Event

func (l EventList) Stream(ctx context.Context, h Handler) error {
	for i, ev := range l {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		end, err := Dispatch(ev, h)
		if err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
		if end {
			return nil
		}
	}
	return nil
}

// JSONLines streams Events decoded one after another from R, as written by
// json.Encoder. The stream ends at the end marker or at EOF.
type JSONLines struct {
	R io.Reader
}

func (j JSONLines) Stream(ctx context.Context, h Handler) error {
	dec := json.NewDecoder(j.R)
	for i := 0; ; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding event %d: %w", i, errors.Join(apperrors.ErrCorruptStream, err))
		}
		end, err := Dispatch(ev, h)
		if err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
		if end {
			return nil
		}
	}
}
