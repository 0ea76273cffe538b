// Package fleet supervises a fleet of queue-consuming worker processes.
//
// Queue tokens are parsed into QueueGroups, and a Launcher spawns one OS
// process per group with a concurrency planned from the group size and a
// global ceiling. A Monitor reaps every worker asynchronously and answers
// liveness probes.
//
// A Supervisor ties these together: it launches the fleet, relays operator
// signals to every worker, and shuts the whole fleet down when told to or when
// any single worker dies unexpectedly.
package fleet
