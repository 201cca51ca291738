package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version string = TSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// TSCoreSemVer is the current version of treesync.
	// It's the Semantic Version of the software.
	TSCoreSemVer = "0.3.0"
)
