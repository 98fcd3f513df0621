package types

type ServiceState string

const (
	StateInit          ServiceState = "init"
	StateReady         ServiceState = "ready"
	StateAudioFault    ServiceState = "audio-fault"
	StateAudioRetrying ServiceState = "audio-retrying"
	StateShuttingDown  ServiceState = "shutting-down"
)

type Activity string

const (
	ActivityIdle   Activity = "idle"
	ActivityKeying Activity = "keying"
)
