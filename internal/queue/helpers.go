package queue

import "encoding/json"

// rawJSONBody passes a job's stored payload through to caclient.Do, which
// marshals any non-nil body; json.RawMessage marshals to itself, so the
// worker always replays the exact bytes written at enqueue time.
func rawJSONBody(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// extractProtocol pulls "protocolo" out of a CA mutation response without
// requiring the full caclient.Response shape, since some error responses
// are not valid CA envelopes.
func extractProtocol(body []byte) string {
	var out struct {
		Protocolo string `json:"protocolo"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return ""
	}
	return out.Protocolo
}
