// Package rotation implements the host side of the call key lifecycle: the
// periodic generation of a call session key, its per-participant fan-out, the
// immediate re-key on host take-over and the answers to recovery requests.
package rotation
