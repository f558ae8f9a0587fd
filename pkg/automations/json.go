package automations

import (
	"encoding/json"
	"fmt"

	"github.com/flowgate/flowgate/pkg/types"
)

func marshalActions(actions []types.Action) ([]byte, error) {
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	return b, nil
}

func unmarshalActions(raw []byte, out *[]types.Action) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal actions: %w", err)
	}
	return nil
}
