// Package greetings is the example resource served by rl: greetings with a tone,
// stored in SQLite, exposing every resource method kind.
package greetings

import (
	"net/http"

	"restline/internal/data"
	"restline/internal/envelope"
)

// ResourceName is the path segment of the collection.
const ResourceName = "greetings"

// MaxBatchSize caps every batch method of the resource.
const MaxBatchSize = 50

var (
	Tone     = data.Enum("Tone", "FRIENDLY", "SINCERE", "INSULTING")
	SenderID = data.MustTyperef("SenderId", data.String(), data.Pattern("[a-z][a-z0-9-]*"))

	// Schema is the Greeting record. id is assigned by the store.
	Schema = data.MustRecord("Greeting",
		data.Required("id", data.Long()).AsReadOnly(),
		data.Required("message", data.String()),
		data.Required("tone", Tone),
		data.Optional("senderId", SenderID),
	)

	// Criteria is one searchGreetings criteria; an absent tone matches every greeting.
	Criteria = data.MustRecord("GreetingCriteria",
		data.Optional("tone", Tone),
	)
)

const (
	insolenceCode       = 999
	insolenceDetailType = "restline.greetings.InsolenceDetails"
)

// Insolence is the error for a greeting with an INSULTING tone.
func Insolence() *envelope.ServiceError {
	return envelope.New(http.StatusNotAcceptable, "I will not tolerate your insolence!").
		WithServiceErrorCode(insolenceCode).
		WithDetails(insolenceDetailType, map[string]any{"reason": "insultingGreeting"})
}

func insulting(rec *data.Record) bool {
	return rec.GetString("tone") == "INSULTING"
}
