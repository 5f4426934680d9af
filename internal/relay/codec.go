package relay

import (
	"encoding/json"

	"github.com/inkmesh/node/internal/wire"
)

func marshalDirectMessage(dm wire.DirectMessage) ([]byte, error) {
	return json.Marshal(dm)
}

func unmarshalDirectMessage(data []byte) (wire.DirectMessage, error) {
	var dm wire.DirectMessage
	if err := json.Unmarshal(data, &dm); err != nil {
		return wire.DirectMessage{}, err
	}
	return dm, nil
}
