/*
Package changerpc contains the JSON-RPC 2.0 message types spoken between
wallet clients and the change server. It defines the request/response
envelopes, the subscription tuple format shared by all methods and the
standard set of protocol errors.
*/
package changerpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// JSONRPCVersion is the only JSON-RPC protocol version supported.
	JSONRPCVersion = "2.0"

	// MethodSubscribe is called by clients to register address subscriptions.
	MethodSubscribe = "subscribe"
	// MethodUnsubscribe is called by clients to drop address subscriptions.
	MethodUnsubscribe = "unsubscribe"
	// MethodUpdate is sent to clients when a subscribed address sees activity.
	MethodUpdate = "update"
	// MethodSubLost is sent to clients when the server loses the upstream
	// subscription for an address and the client has to re-subscribe.
	MethodSubLost = "subLost"
)

type (
	// Request represents a JSON-RPC request. ID is kept raw so that replies
	// echo it byte-for-byte whatever JSON type the client picked; an absent
	// ID marks the request as a notification.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		ID      json.RawMessage `json:"id,omitempty"`
	}

	// Header is a generic JSON-RPC 2.0 response header (ID and JSON-RPC version).
	Header struct {
		ID      json.RawMessage `json:"id"`
		JSONRPC string          `json:"jsonrpc"`
	}

	// HeaderAndError adds an Error (that can be empty) to the Header, it's
	// used to construct method-specific responses.
	HeaderAndError struct {
		Header
		Error *Error `json:"error,omitempty"`
	}

	// Response represents a standard raw JSON-RPC 2.0
	// response: http://www.jsonrpc.org/specification#response_object.
	Response struct {
		HeaderAndError
		Result json.RawMessage `json:"result,omitempty"`
	}

	// Notification is a type used to represent wire format of events, they're
	// special in that they look like requests but they don't have IDs.
	Notification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  Tuple  `json:"params"`
	}

	// Tuple is the (pluginId, address, checkpoint?) triple carried by
	// subscribe/unsubscribe parameters and by update/subLost payloads. On
	// the wire it is a JSON array of two or three strings; an empty
	// Checkpoint means the third element is absent.
	Tuple struct {
		PluginID   string
		Address    string
		Checkpoint string
	}

	// SubscribeResult is the per-tuple outcome code returned by subscribe.
	SubscribeResult int
)

// Subscribe result codes, one per input tuple, in input order.
const (
	// SubscribeUnknownPlugin means no plugin with that id is configured.
	SubscribeUnknownPlugin SubscribeResult = -1
	// SubscribeRefused means the upstream refused the subscription.
	SubscribeRefused SubscribeResult = 0
	// SubscribeUnchanged means the scan found no activity past the checkpoint.
	SubscribeUnchanged SubscribeResult = 1
	// SubscribeChanged means activity was found, no checkpoint was given or
	// the plugin has no scan support.
	SubscribeChanged SubscribeResult = 2
)

// IsNotification returns whether the request carries no id and thus must
// not be replied to.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// MarshalJSON implements the json.Marshaler interface.
func (t Tuple) MarshalJSON() ([]byte, error) {
	elems := []string{t.PluginID, t.Address}
	if t.Checkpoint != "" {
		elems = append(elems, t.Checkpoint)
	}
	return json.Marshal(elems)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var elems []string
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("not a string array: %w", err)
	}
	if len(elems) < 2 || len(elems) > 3 {
		return errors.New("expected two or three elements")
	}
	if elems[0] == "" {
		return errors.New("empty plugin id")
	}
	if elems[1] == "" {
		return errors.New("empty address")
	}
	t.PluginID = elems[0]
	t.Address = elems[1]
	if len(elems) == 3 {
		t.Checkpoint = elems[2]
	} else {
		t.Checkpoint = ""
	}
	return nil
}

// DecodeTuples parses the parameter payload of subscribe/unsubscribe, a
// non-empty array of tuples.
func DecodeTuples(raw json.RawMessage) ([]Tuple, error) {
	var ts []Tuple
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, errors.New("empty subscription list")
	}
	return ts, nil
}

// NewUpdateNotification returns an update event frame for the given
// subscription tuple.
func NewUpdateNotification(pluginID, address, checkpoint string) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  MethodUpdate,
		Params:  Tuple{PluginID: pluginID, Address: address, Checkpoint: checkpoint},
	}
}

// NewSubLostNotification returns a subLost event frame for the given
// subscription tuple.
func NewSubLostNotification(pluginID, address string) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  MethodSubLost,
		Params:  Tuple{PluginID: pluginID, Address: address},
	}
}
