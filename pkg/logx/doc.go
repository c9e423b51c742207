// Package logx is storyloom's structured logging layer on top of zerolog.
//
// A Logger obtained from Service follows Service.Apply, so a config reload
// changes level and outputs for every component at once. Records at or above
// the alert level can be relayed to an AlertSender, rate limited.
package logx
