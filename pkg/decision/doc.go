// Package decision compares desired and running image digests per service
// and decides between no-op, fresh start and restart. When the comparison
// cannot be made with confidence the decision is a restart.
package decision
