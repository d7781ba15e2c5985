package config

import "time"

var (
	ResolveRequestTimeout      = 10 * time.Second
	NextRequestTimeout         = 10 * time.Second
	DownloadChunkTimeout       = 30 * time.Second
	UpstreamRangeTimeout       = 30 * time.Second
	DownloadShutdownDrainDelay = 3 * time.Second
)
