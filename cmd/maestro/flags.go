package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type LoadFlags struct {
	Label string
}

type ViewFlags struct {
	Output string // table, json or yaml
}

type KillFlags struct {
	Batch int
	Name  string
	PID   int
}

type DispatcherFlags struct {
	Block  string // comma-separated device ids
	Spread int
	Wait   time.Duration
}
