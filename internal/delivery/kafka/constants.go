package kafka

import "time"

const (
	TopicRetrySuffix = ".retry"
	TopicDLQSuffix   = ".dlq"

	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff = 2 * time.Second

	RetryHeaderNextAt = "x-next-at"
	AttemptHeaderKey  = "x-attempt"
	ErrorHeaderKey    = "x-error"
)

func RetryTopic(topic string) string {
	return topic + TopicRetrySuffix
}

func DLQTopic(topic string) string {
	return topic + TopicDLQSuffix
}
