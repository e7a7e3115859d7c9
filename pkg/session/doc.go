/*
Package session serializes access to conversations.

At most one turn per conversation is in flight: the Manager keeps a
reference-counted local mutex per conversation id and, when configured with a
ports.DistributedLocker, also holds a distributed lock so that replicas
sharing one store do not interleave turns.
*/
package session
