package redisstream

// Stream entry field names.
const (
	fieldID          = "id"
	fieldRoutingKey  = "routingKey"
	fieldPayload     = "payload"     // raw []byte, binary-safe
	fieldContentType = "contentType"
	fieldPublishedAt = "publishedAt" // int64 ns
)
