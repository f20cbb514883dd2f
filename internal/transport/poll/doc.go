// Package poll pulls a job's status on an interval while the push channel is
// unusable. A Poller stops itself after delivering a terminal stage and gives
// up after a bounded run of consecutive failures.
package poll
