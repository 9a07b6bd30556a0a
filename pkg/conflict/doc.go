/*
Package conflict implements the durability core's conflict and lock
manager (spec.md §4.E): the sole owner of the in-memory operation table
and resource-lock table. Every other component that wants to mutate the
backup store registers an Operation here first and only proceeds once
Start grants it the locks its required resources need.

Registration detects conflicts against every pending or running
operation, then resolves by priority: a critical or strictly
higher-priority newcomer cancels what it conflicts with; a
strictly-lower-priority newcomer queues; equal priority either yields
(auto-save behind manual), merges (same-session auto-saves collapse into
the latest), or queues.

Locks are granted all-or-nothing and expire on a timeout (default 5
minutes) that a background sweeper reclaims, so a crashed holder never
wedges a resource forever.
*/
package conflict
