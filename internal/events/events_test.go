package events

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestDecodeRejectsMalformedFrames verifies that garbage and frames without an
// event name are reported as ErrMalformed.
func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event":`,
		"missing event": `{"data":{"roomId":"global"}}`,
		"empty event":   `{"event":"","data":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode(%s) error = %v, want ErrMalformed", raw, err)
			}
		})
	}
}

// TestEncodeDecode checks that an encoded frame binds back into its payload.
func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(ChatMessage, ChatSendRequest{RoomID: "global", Content: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Event != ChatMessage {
		t.Fatalf("event = %q, want %q", env.Event, ChatMessage)
	}

	var req ChatSendRequest
	if err := env.Bind(&req); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if req.RoomID != "global" || req.Content != "hi" {
		t.Fatalf("unexpected payload: %+v", req)
	}
}

func TestBindWithoutData(t *testing.T) {
	env := Envelope{Event: ChatJoin}
	var req RoomRequest
	if err := env.Bind(&req); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Bind error = %v, want ErrMalformed", err)
	}
}

// TestMutationEventName verifies the exhaustive kind × action dispatch.
func TestMutationEventName(t *testing.T) {
	want := map[Action]Name{
		ActionAdd:    EntityAdd,
		ActionUpdate: EntityUpdate,
		ActionDelete: EntityDelete,
	}
	for _, kind := range EntityKinds() {
		for action, name := range want {
			got, err := Mutation{Kind: kind, Action: action}.EventName()
			if err != nil {
				t.Fatalf("%s/%s: %v", kind, action, err)
			}
			if got != name {
				t.Fatalf("%s/%s = %q, want %q", kind, action, got, name)
			}
		}
	}

	if _, err := (Mutation{Kind: 0, Action: ActionAdd}).EventName(); err == nil {
		t.Error("expected error for zero kind")
	}
	if _, err := (Mutation{Kind: KindGoal, Action: 9}).EventName(); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestEntityKindText(t *testing.T) {
	if len(EntityKinds()) != 7 {
		t.Fatalf("EntityKinds() = %v", EntityKinds())
	}

	payload := ActivityPayload{Kind: KindGoal, Action: ActionUpdate, ItemID: "g1"}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if generic["kind"] != "goals" || generic["action"] != "update" {
		t.Fatalf("unexpected wire form: %s", raw)
	}

	if _, err := ParseEntityKind("habits"); err == nil {
		t.Error("expected unknown kind to fail")
	}
	if k, err := ParseEntityKind(" Journal "); err != nil || k != KindJournal {
		t.Errorf("ParseEntityKind(Journal) = %v, %v", k, err)
	}
}
