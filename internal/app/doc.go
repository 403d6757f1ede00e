// Package app holds the gateway's use cases.
//
// Gateway owns the lifecycle and the degraded-mode policy, Notifier emits
// notifications to online users through the fan-out channel, Dispatcher
// routes fan-out events to local rooms and PresenceWatch lets clients follow
// other users' online state.
package app
