package config

import "time"

const (
	appDirName       = "cliproxy-manager"
	configFileName   = "config.yaml"
	defaultPanelName = "default"

	defaultTimeout         = 30 * time.Second
	defaultMonitorInterval = 60 * time.Second
	defaultMonitorWindow   = 60 * time.Minute
	defaultMaxSamples      = 1000
	defaultNotifyThreshold = 5.0
)
