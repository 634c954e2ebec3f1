package devkit

import (
	"encoding/json"
	"net/http"

	"github.com/goliatone/go-adsconnect/core"
)

// JSONScript scripts a response whose body is body encoded as JSON.
func JSONScript(status int, body any, headers ...map[string]string) TransportScript {
	encoded, err := json.Marshal(body)
	if err != nil {
		return TransportScript{Err: err}
	}
	merged := map[string]string{"Content-Type": "application/json"}
	for _, set := range headers {
		for key, value := range set {
			merged[key] = value
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	return TransportScript{Response: core.TransportResponse{StatusCode: status, Headers: merged, Body: encoded}}
}

// ErrorScript scripts a transport-level failure, as if the request never
// produced a response.
func ErrorScript(err error) TransportScript {
	return TransportScript{Err: err}
}
