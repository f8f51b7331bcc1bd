// Package protocol defines the frames exchanged with the remote queue service.
//
// Every frame is a JSON object {"id": string, "data": payload}. Outbound
// requests carry a Command as data; inbound frames are one of a closed set of
// variants (handshake, reply, event, job) recognised by Classify. Business
// payloads stay opaque json.RawMessage values so the command catalog can
// evolve on the remote side without changes here.
//
// The text literal "ping" is not a frame: it is the remote side's liveness
// probe and is consumed by the connection before decoding.
package protocol
