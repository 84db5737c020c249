package constraints

// Stream entry field names shared by the publisher and the consumer.
const (
	FieldOutboxID = "outbox_id"
	FieldPayload  = "payload"
)

// Integration event types emitted by the catalog write path.
const (
	EventProductCreated = "product.created"
	EventProductUpdated = "product.updated"
	EventProductDeleted = "product.deleted"
	EventPriceChanged   = "product.price_changed"
)
