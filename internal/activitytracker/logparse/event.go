package logparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const (
	exchangeKey = "exchange"
	stepKey     = "step"
	idKey       = "id"
	statusKey   = "status"
	failedKey   = "failed"
	messageKey  = "message"
	failureKey  = "failure"
	durationKey = "duration"

	StatusDone = "done"
)

// Event is a tracking event decoded from a log line body: either an *ExchangeEvent or a *StepEvent.
type Event interface {
	ExchangeID() string
}

// ExchangeEvent reports on the exchange as a whole. Fields other than the well-known ones are metadata.
type ExchangeEvent struct {
	Exchange string
	Status   string
	Failed   *bool
	Metadata map[string]interface{}
}

func (e *ExchangeEvent) ExchangeID() string { return e.Exchange }

func (e *ExchangeEvent) Done() bool { return e.Status == StatusDone }

// StepEvent reports on one step of an exchange. A non-nil Duration marks the step complete.
type StepEvent struct {
	Exchange string
	Step     string
	// Tracking id of the step execution; a push key carrying the step start time.
	ID       string
	Message  *string
	Failure  *string
	Duration *int64
	// Remaining fields, recorded on the step as an event.
	Extra map[string]interface{}
}

func (e *StepEvent) ExchangeID() string { return e.Exchange }

// DecodeEvent decodes body, which must be a JSON object with a string "exchange" field. Objects with a "step"
// field are step events, all others exchange events. A well-known field of the wrong type is an error.
func DecodeEvent(body []byte) (Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	fields := map[string]interface{}{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, errors.WithStack(err)
	}

	exchange, err := takeString(fields, exchangeKey)
	if err != nil {
		return nil, err
	}
	if exchange == nil {
		return nil, errors.New("missing exchange field")
	}
	id, err := takeString(fields, idKey)
	if err != nil {
		return nil, err
	}
	step, err := takeString(fields, stepKey)
	if err != nil {
		return nil, err
	}
	if step != nil {
		return decodeStep(fields, *exchange, *step, id)
	}
	return decodeExchange(fields, *exchange)
}

func decodeStep(fields map[string]interface{}, exchange string, step string, id *string) (*StepEvent, error) {
	message, err := takeString(fields, messageKey)
	if err != nil {
		return nil, err
	}
	failure, err := takeString(fields, failureKey)
	if err != nil {
		return nil, err
	}
	duration, err := takeInt64(fields, durationKey)
	if err != nil {
		return nil, err
	}
	event := &StepEvent{
		Exchange: exchange,
		Step:     step,
		Message:  message,
		Failure:  failure,
		Duration: duration,
	}
	if id != nil {
		event.ID = *id
	}
	if len(fields) > 0 {
		event.Extra = normalise(fields)
	}
	return event, nil
}

func decodeExchange(fields map[string]interface{}, exchange string) (*ExchangeEvent, error) {
	event := &ExchangeEvent{Exchange: exchange}
	if raw, ok := fields[failedKey]; ok {
		failed, isBool := raw.(bool)
		if !isBool {
			return nil, typeError(failedKey, "boolean", raw)
		}
		event.Failed = &failed
		delete(fields, failedKey)
	}
	status, err := takeString(fields, statusKey)
	if err != nil {
		return nil, err
	}
	if status != nil {
		event.Status = *status
	}
	if len(fields) > 0 {
		event.Metadata = normalise(fields)
	}
	return event, nil
}

// takeString removes key from fields, returning nil if it was absent or null.
func takeString(fields map[string]interface{}, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	delete(fields, key)
	if raw == nil {
		return nil, nil
	}
	s, isString := raw.(string)
	if !isString {
		return nil, typeError(key, "string", raw)
	}
	return &s, nil
}

// takeInt64 removes key from fields. Fractional numbers are truncated towards zero.
func takeInt64(fields map[string]interface{}, key string) (*int64, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	delete(fields, key)
	if raw == nil {
		return nil, nil
	}
	number, isNumber := raw.(json.Number)
	if !isNumber {
		return nil, typeError(key, "number", raw)
	}
	if i, err := number.Int64(); err == nil {
		return &i, nil
	}
	f, err := number.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, typeError(key, "number", raw)
	}
	i := int64(f)
	return &i, nil
}

// normalise converts json.Number values back to float64 or int64 so they marshal as plain numbers.
func normalise(fields map[string]interface{}) map[string]interface{} {
	for k, v := range fields {
		fields[k] = normaliseValue(v)
	}
	return fields
}

func normaliseValue(v interface{}) interface{} {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case map[string]interface{}:
		return normalise(value)
	case []interface{}:
		for i := range value {
			value[i] = normaliseValue(value[i])
		}
		return value
	default:
		return v
	}
}

func typeError(key string, expected string, actual interface{}) error {
	return errors.Errorf("field %s: expected %s but got %s", key, expected, fmt.Sprintf("%T", actual))
}
