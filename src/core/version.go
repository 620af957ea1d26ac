package core

import "github.com/coreos/go-semver/semver"

// RawVersion is the unparsed raw version of pogo.
const RawVersion = "0.4.0"

// PogoVersion is the current version of pogo.
var PogoVersion = *semver.New(RawVersion)
