// Package channel is the distribution channel used by key rotation and
// emergency recovery.
//
// A Channel wraps a Transport (redis pub/sub, the websocket relay, or an
// in-process loopback) and gives each participant an inbox topic. On top of
// plain publish it offers fire-and-forward Send and correlated
// Request/Reply with a caller supplied timeout. Delivery may be lossy,
// duplicated or reordered; callers are expected to tolerate all three.
package channel
