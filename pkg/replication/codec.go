package replication

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CommandRemoteServerUp announces that a remote server proved reachable.
const CommandRemoteServerUp = "REMOTE_SERVER_UP"

// Command is one message on the replication channel.
type Command struct {
	Name     string `cbor:"name"`
	Origin   string `cbor:"origin"`
	Instance string `cbor:"instance"`
}

// encMode uses Core Deterministic Encoding so equal commands encode to equal
// bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("replication: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replication: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serialises cmd.
func Encode(cmd Command) ([]byte, error) {
	data, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.Name, err)
	}
	return data, nil
}

// Decode parses a serialised command.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := decMode.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode replication command: %w", err)
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("decode replication command: missing name")
	}
	return cmd, nil
}
