package uiapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/machine"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Intent is the wire form of a user intent.
type Intent struct {
	Name   string `json:"intent"`
	Hold   bool   `json:"hold,omitempty"`
	Media  string `json:"media,omitempty"`
	Muted  bool   `json:"muted,omitempty"`
	Digits string `json:"digits,omitempty"`
}

// Event maps the intent onto the machine's closed event set.
func (i Intent) Event() (machine.Event, error) {
	switch strings.ToLower(strings.TrimSpace(i.Name)) {
	case "answer":
		return machine.UserAnswerRequested{}, nil
	case "end", "hangup":
		return machine.UserEndRequested{}, nil
	case "hold":
		return machine.UserHoldToggled{Hold: i.Hold}, nil
	case "mute":
		media := machine.MediaAudio
		switch strings.ToLower(i.Media) {
		case "", "audio":
		case "video":
			media = machine.MediaVideo
		default:
			return nil, fmt.Errorf("unknown media %q", i.Media)
		}
		return machine.UserMuteToggled{Media: media, Muted: i.Muted}, nil
	case "flip", "flipcamera":
		return machine.UserCameraFlipped{}, nil
	case "dtmf":
		return machine.UserDTMF{Digits: i.Digits}, nil
	}
	return nil, fmt.Errorf("unknown intent %q", i.Name)
}

// Start is the wire form of an outbound call request.
type Start struct {
	Handle string `json:"handle"`
	Video  bool   `json:"video,omitempty"`
}

// toStruct converts any JSON-encodable value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into v.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func encodeSnapshot(s call.Snapshot) (*structpb.Struct, error) {
	return toStruct(s)
}

func decodeSnapshot(s *structpb.Struct) (call.Snapshot, error) {
	var snap call.Snapshot
	err := fromStruct(s, &snap)
	return snap, err
}
