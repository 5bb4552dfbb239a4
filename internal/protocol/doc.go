// Package protocol implements the account's threshold protocols on top of
// the choreography runtime: distributed key derivation, resharing, guardian
// recovery and upgrade coordination, plus the operation lock that keeps at
// most one protocol of each class running per account.
//
// Every protocol follows the same skeleton. Roles agree on parameters with
// a proposal round, exchange contributions with commit-reveal, check that
// they computed the same result, and then commit the outcome to the
// journal. A failure in any phase ends the run on every honest role.
package protocol
