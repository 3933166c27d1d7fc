package apperr

import "net/http"

var statusByKind = map[Kind]int{
	Validation:      http.StatusBadRequest,
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Capacity:        http.StatusTooManyRequests,
	Timeout:         http.StatusGatewayTimeout,
	Transport:       http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
}

// HTTPStatus maps a Kind to its representative status code. Capacity maps to
// 429 here. internal/httpapi does not take its response statuses from this
// map: its own statusForKind table maps Capacity to 503.
func HTTPStatus(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body is the wire shape of an error response, spec §7.
type Body struct {
	Error BodyDetail `json:"error"`
}

type BodyDetail struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	RuleID     string `json:"ruleId,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// ToBody converts any error into the wire response shape, defaulting to
// Internal for errors that are not *Error.
func ToBody(err error) (int, Body) {
	e, ok := As(err)
	if !ok {
		e = Internalf("%v", err)
	}
	return HTTPStatus(e.Kind), Body{Error: BodyDetail{
		Kind:       e.Kind,
		Message:    e.Message,
		RuleID:     e.RuleID,
		RetryAfter: e.RetryAfter,
	}}
}
