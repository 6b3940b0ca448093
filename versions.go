package capi

// Version is the version of cAPI. This variable is overridden at build time
// in the release pipeline using ldflags.
var Version = "0.0.0-dev"
