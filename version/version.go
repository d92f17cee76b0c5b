package version

// NodeVersion - specifies the node version
var NodeVersion = "0.1.0"

// WireVersion - specifies the version of the p2p message envelope
var WireVersion = "0.0.1"

// GitCommit - specifies the git commit, passed through ldflags
var GitCommit = ""
