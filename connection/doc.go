// Package connection contains the connection lifecycle core: the data
// model for pairing two participants through a shareable link, the pure
// validation rules guarding every state transition, and the Manager that
// orchestrates create/accept/join/message/recover/delete operations over
// concurrency-safe storage.
//
// State machine:
//
//	Pending --Accept/JoinByLink--> Active
//	Pending --TTL elapses-------> Expired (evaluated lazily on read)
//	Pending --Reject------------> Rejected
//
// Active, Expired and Rejected are terminal. Delete removes the record
// outright from any state; there is no undelete.
package connection
