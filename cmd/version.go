package cmd

// version is stamped by the release build via -ldflags.
var version = "1.0.0"
