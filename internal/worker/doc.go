// Package worker implements the cache reconciler that backs one deployed
// version of a web application bundle.
//
// A Reconciler is created for every manifest version and is driven through
// install → activate by its host; afterwards it intercepts fetch events and
// answers them from the content store, the network, or both. The reconciler
// owns no global state: the manifest, core list, storage facility, network
// fetcher and platform signals are all passed in through Options.
//
// Activation is written so that an interruption after any prefix of its steps
// leaves the stores in a state the next install + activate can converge from:
// a missing or corrupt manifest record always falls back to the cold-start path,
// and any failure wipes all three stores.
package worker
