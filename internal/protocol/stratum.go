// Package protocol defines the Stratum V1 message types and parses their
// parameters; the session package handles the messages.
package protocol

import (
	"encoding/json"
)

// JSON-RPC error codes for Stratum
const (
	ErrParseError         = -32700
	ErrInvalidRequest     = -32600
	ErrMethodNotFound     = -32601
	ErrInvalidParams      = -32602
	ErrInternalError      = -32603
	ErrUnauthorized       = 24
	ErrNotSubscribed      = 25
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrJobNotFound        = 21
	ErrOtherUnknown       = 20
)

// Request represents a JSON-RPC request from the client.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response to the client.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification represents a server-initiated JSON-RPC notification; its id
// is left nil and marshals as null.
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubscribeParams represents mining.subscribe parameters.
type SubscribeParams struct {
	UserAgent   string `json:"user_agent,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// AuthorizeParams represents mining.authorize parameters.
type AuthorizeParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SubmitParams represents mining.submit parameters.
type SubmitParams struct {
	WorkerName  string `json:"worker_name"`
	JobID       string `json:"job_id"`
	Extranonce2 string `json:"extranonce2"`
	NTime       string `json:"ntime"`
	Nonce       string `json:"nonce"`
	VersionBits string `json:"version_bits,omitempty"` // For version rolling
}

// ConfigureResult represents the mining.configure response: accepted
// extensions mapped to their negotiated value, e.g.
// {"version-rolling": true, "version-rolling.mask": "1fffe000"}.
type ConfigureResult map[string]interface{}

// ParseConfigureParams parses mining.configure parameters: a list of
// extension names followed by one options object,
// e.g. [["version-rolling"], {"version-rolling.mask": "1fffe000"}].
func ParseConfigureParams(data json.RawMessage) (extensions []string, options map[string]interface{}, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) > 0 {
		json.Unmarshal(raw[0], &extensions)
	}
	if len(raw) > 1 {
		json.Unmarshal(raw[1], &options)
	}
	return extensions, options, nil
}

// ParseSuggestDifficultyParams parses mining.suggest_difficulty
// parameters: a single numeric difficulty.
func ParseSuggestDifficultyParams(data json.RawMessage) (float64, error) {
	var params []float64
	if err := json.Unmarshal(data, &params); err != nil || len(params) < 1 {
		return 0, ErrInvalidParamsError
	}
	return params[0], nil
}

// ParseSubscribeParams parses mining.subscribe parameters.
func ParseSubscribeParams(data json.RawMessage) (*SubscribeParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		// Empty params is valid
		return &SubscribeParams{}, nil
	}

	result := &SubscribeParams{}
	if len(params) > 0 {
		if ua, ok := params[0].(string); ok {
			result.UserAgent = ua
		}
	}
	if len(params) > 1 {
		if sid, ok := params[1].(string); ok {
			result.SessionID = sid
		}
	}
	if len(params) > 2 {
		if host, ok := params[2].(string); ok {
			result.Host = host
		}
	}
	if len(params) > 3 {
		if port, ok := params[3].(float64); ok {
			result.Port = int(port)
		}
	}

	return result, nil
}

// ParseAuthorizeParams parses mining.authorize parameters.
func ParseAuthorizeParams(data json.RawMessage) (*AuthorizeParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}

	result := &AuthorizeParams{}
	if len(params) > 0 {
		if u, ok := params[0].(string); ok {
			result.Username = u
		}
	}
	if len(params) > 1 {
		if p, ok := params[1].(string); ok {
			result.Password = p
		}
	}

	return result, nil
}

// ParseSubmitParams parses mining.submit parameters.
func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}

	if len(params) < 5 {
		return nil, ErrInvalidParamsError
	}

	result := &SubmitParams{}
	if wn, ok := params[0].(string); ok {
		result.WorkerName = wn
	}
	if jid, ok := params[1].(string); ok {
		result.JobID = jid
	}
	if en2, ok := params[2].(string); ok {
		result.Extranonce2 = en2
	}
	if nt, ok := params[3].(string); ok {
		result.NTime = nt
	}
	if n, ok := params[4].(string); ok {
		result.Nonce = n
	}
	if len(params) > 5 {
		if vb, ok := params[5].(string); ok {
			result.VersionBits = vb
		}
	}

	return result, nil
}

// Error type for parameter parsing
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return e.Message
}

// Common errors
var (
	ErrInvalidParamsError = &StratumError{Code: ErrInvalidParams, Message: "Invalid parameters"}
)
