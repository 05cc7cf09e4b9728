// Package store persists what the tracker has already seen across runs.
//
// It keeps one ChangeRecord per source (last-seen fingerprint plus last
// check time) and a small key/value meta table for cross-run bookkeeping
// such as the docs rotation cursor. Losing this state makes every source
// look new again on the next run, so backends fail closed when the state
// they load is not trustworthy.
package store
