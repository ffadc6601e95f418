// Package broker bridges relaydesk to RabbitMQ.
//
// Three pieces share one supervised Client:
//
//   - EventSink mirrors every bus event to a durable topic exchange. The
//     routing key is the topic with ':' replaced by '.', so consumers can
//     bind "acme.campaign.#" or "*.conversation.*".
//   - ReceiptConsumer feeds provider receipts from a queue into the
//     campaign engine. Undecodable receipts are dropped; receipts for an
//     unknown provider id are requeued once.
//   - Provider is a channel.Provider that publishes send requests to the
//     outbound queue and treats a broker confirm as acceptance.
//
// All bodies use the {meta, data} envelope.
package broker
