// Package gen produces the identifiers used for jobs, records and stored files.
package gen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDs yields random identifiers in canonical uuid form.
type IDs func() uuid.UUID

func UUID() IDs {
	return func() uuid.UUID {
		return uuid.Must(uuid.NewRandom())
	}
}

// Sequence replays ids in order and then falls back to random ones.
func Sequence(ids ...string) IDs {
	next := 0
	return func() uuid.UUID {
		if next < len(ids) {
			id := uuid.MustParse(ids[next])
			next++
			return id
		}
		return uuid.New()
	}
}

func (g IDs) Next() string {
	if g == nil {
		return uuid.NewString()
	}
	return g().String()
}

// ULID sorts by creation time, which keeps image file names in arrival order.
func ULID() string {
	return ulid.Make().String()
}
