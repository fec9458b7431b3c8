package event

// Logical bus topics, one per event family. Messages are keyed by order id.
const (
	TopicOrder        = "order.events"
	TopicPayment      = "payment.events"
	TopicRestaurant   = "restaurant.events"
	TopicDelivery     = "delivery.events"
	TopicNotification = "notification.events"

	deadLetterSuffix = ".dlq"
)

// Topic returns the family topic an event type is published on.
func Topic(t Type) string {
	switch t {
	case TypeOrderPlaced, TypeOrderCancelled:
		return TopicOrder
	case TypePaymentAuthorized, TypePaymentFailed:
		return TopicPayment
	case TypeRestaurantAccepted, TypeRestaurantRejected:
		return TopicRestaurant
	case TypeDeliveryAssigned, TypeDeliveryCompleted:
		return TopicDelivery
	case TypeCompensationRequired:
		return TopicOrder
	default:
		return TopicOrder
	}
}

// DeadLetterTopic returns the dead-letter companion of topic.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

// Topics lists every family topic.
func Topics() []string {
	return []string{TopicOrder, TopicPayment, TopicRestaurant, TopicDelivery, TopicNotification}
}
