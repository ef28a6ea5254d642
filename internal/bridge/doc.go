// Package bridge forwards event bus channels to a watermill publisher and
// feeds watermill topics back into bus channels.
//
// Outbound payloads are wrapped in an Envelope and JSON encoded. Message
// ids are ULIDs, so ids sort by publish time.
package bridge
