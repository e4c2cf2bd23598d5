// Package protocol defines the JSON envelopes exchanged with the mutation server.
//
// Every frame is one JSON object carrying an unsigned integer "type" discriminator.
// Byte sequences are written as arrays of numbers, which is how the server side
// serializes them; the decoder also tolerates base64 strings for the same fields.
package protocol
