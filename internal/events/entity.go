package events

import (
	"fmt"
	"strings"
)

// EntityKind enumerates the record kinds that are synchronised between
// devices. The zero value is invalid.
type EntityKind uint8

const (
	KindVision EntityKind = iota + 1
	KindGoal
	KindTask
	KindIdea
	KindNote
	KindJournal
	KindAchievement
)

var kindNames = [...]string{
	KindVision:      "visions",
	KindGoal:        "goals",
	KindTask:        "tasks",
	KindIdea:        "ideas",
	KindNote:        "notes",
	KindJournal:     "journal",
	KindAchievement: "achievements",
}

// EntityKinds lists every valid kind in declaration order.
func EntityKinds() []EntityKind {
	kinds := make([]EntityKind, 0, len(kindNames)-1)
	for k := KindVision; int(k) < len(kindNames); k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Valid reports whether k is a declared kind.
func (k EntityKind) Valid() bool {
	return k >= KindVision && int(k) < len(kindNames)
}

func (k EntityKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("EntityKind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseEntityKind maps a wire name such as "goals" to its kind.
func ParseEntityKind(s string) (EntityKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k := KindVision; int(k) < len(kindNames); k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k EntityKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid entity kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EntityKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Action is the mutation applied to a record.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// ParseAction maps "add", "update" or "delete" to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return ActionAdd, nil
	case "update":
		return ActionUpdate, nil
	case "delete":
		return ActionDelete, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete:
		return []byte(a.String()), nil
	}
	return nil, fmt.Errorf("invalid action %d", uint8(a))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Mutation pairs a kind with an action. Dispatch on a Mutation is exhaustive:
// a new kind only needs an entry in kindNames, and a new action fails to map
// to an event until EventName handles it.
type Mutation struct {
	Kind   EntityKind
	Action Action
}

// EventName returns the outbound sync event for the mutation.
func (m Mutation) EventName() (Name, error) {
	if !m.Kind.Valid() {
		return "", fmt.Errorf("invalid entity kind %d", uint8(m.Kind))
	}
	switch m.Action {
	case ActionAdd:
		return EntityAdd, nil
	case ActionUpdate:
		return EntityUpdate, nil
	case ActionDelete:
		return EntityDelete, nil
	}
	return "", fmt.Errorf("invalid action %d", uint8(m.Action))
}

func (m Mutation) String() string {
	return m.Kind.String() + ":" + m.Action.String()
}
