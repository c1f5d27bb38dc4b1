package lifecycle

import (
	"fmt"

	"github.com/Shaance/image-converter/internal/entities"
)

type Event string

const (
	ConversionStarted Event = "conversion_started"
	AllConverted      Event = "all_converted"
	ConversionFailed  Event = "conversion_failed"
	ArchiveStarted    Event = "archive_started"
	ArchiveStored     Event = "archive_stored"
	ArchiveFailed     Event = "archive_failed"
)

type edge struct {
	from  entities.State
	event Event
}

var transitions = map[edge]entities.State{
	{entities.StateCreated, ConversionStarted}:    entities.StateConverting,
	{entities.StateConverting, ConversionStarted}: entities.StateConverting,
	{entities.StateConverting, AllConverted}:      entities.StateZipping,
	{entities.StateConverting, ConversionFailed}:  entities.StateFailed,
	{entities.StateZipping, ArchiveStarted}:       entities.StateZipping,
	{entities.StateZipping, ArchiveStored}:        entities.StateDone,
	{entities.StateZipping, ArchiveFailed}:        entities.StateFailed,
}

// Next returns the state reached from `from` on event e.
func Next(from entities.State, e Event) (entities.State, error) {
	to, ok := transitions[edge{from, e}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", entities.ErrIllegalTransition, from, e)
	}
	return to, nil
}

// Apply runs the events in order and returns the final state.
func Apply(from entities.State, events ...Event) (entities.State, error) {
	s := from
	for _, e := range events {
		next, err := Next(s, e)
		if err != nil {
			return from, err
		}
		s = next
	}
	return s, nil
}

func Terminal(s entities.State) bool {
	return s == entities.StateDone || s == entities.StateFailed
}

// AcceptsIncrements reports whether counters may still move in state s.
func AcceptsIncrements(s entities.State) bool {
	return !Terminal(s)
}
