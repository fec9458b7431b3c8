package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for orderflow telemetry, following OpenTelemetry naming.
// Saga transitions carry AttrFromState and AttrToState; breakers are named
// after the collaborator they guard.
const (
	AttrEnvironment  = attribute.Key("environment")
	AttrEventType    = attribute.Key("event.type")
	AttrTopic        = attribute.Key("messaging.destination")
	AttrConsumer     = attribute.Key("consumer")
	AttrFromState    = attribute.Key("saga.from")
	AttrToState      = attribute.Key("saga.to")
	AttrState        = attribute.Key("saga.state")
	AttrBreaker      = attribute.Key("breaker")
	AttrOperation    = attribute.Key("operation")
	AttrResult       = attribute.Key("result")
	AttrErrorCode    = attribute.Key("error.code")
	AttrReason       = attribute.Key("reason")
	AttrCollaborator = attribute.Key("collaborator")
)

// Router outcomes.
const (
	ResultProcessed  = "processed"
	ResultDuplicate  = "duplicate"
	ResultStale      = "stale"
	ResultDeferred   = "deferred"
	ResultDeadLetter = "dead_letter"
	ResultFailed     = "failed"
)

// TransitionAttributes labels a saga state change.
func TransitionAttributes(environment, from, to, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFromState.String(from),
		AttrToState.String(to),
		AttrEventType.String(eventType),
	}
}

// MessageAttributes labels a routed message outcome.
func MessageAttributes(environment, consumer, topic, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConsumer.String(consumer),
		AttrTopic.String(topic),
		AttrResult.String(result),
	}
}

// DeadLetterAttributes labels a dead-lettered message.
func DeadLetterAttributes(environment, topic, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// CallAttributes labels a collaborator call.
func CallAttributes(environment, collaborator, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCollaborator.String(collaborator),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
