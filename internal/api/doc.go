// Package api exposes the REST surface of the bounty daemon: job lifecycle
// endpoints for posters and workers, submission reads, and health probes.
package api
