package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout:
//
//	kiosk/status/<id>/state        screen changes
//	kiosk/status/<id>/transaction  completed check-outs and returns
//	kiosk/status/<id>/ping         liveness
//	kiosk/control/<id>/<command>   menu, dryrun, open
//	kiosk/control/broadcast/<command>
const (
	statusPrefix    = "kiosk/status/"
	controlPrefix   = "kiosk/control/"
	broadcastTarget = "broadcast"
)

// Control commands.
const (
	CommandMenu   = "menu"
	CommandDryRun = "dryrun"
	CommandOpen   = "open"
)

// StatusTopic returns the status topic for leaf on kiosk id.
func StatusTopic(id, leaf string) string {
	return statusPrefix + id + "/" + leaf
}

// ControlTopic returns the control topic for command on kiosk id.
func ControlTopic(id, command string) string {
	return controlPrefix + id + "/" + command
}

// ControlSubscriptions lists the topics a kiosk subscribes to.
func ControlSubscriptions(id string) []string {
	return []string{
		fmt.Sprintf("%s%s/+", controlPrefix, id),
		fmt.Sprintf("%s%s/+", controlPrefix, broadcastTarget),
	}
}

// ParseControl extracts the command from a control topic addressed to id or
// to every kiosk.
func ParseControl(id, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, controlPrefix)
	if !ok {
		return "", false
	}
	target, command, ok := strings.Cut(rest, "/")
	if !ok || command == "" || strings.Contains(command, "/") {
		return "", false
	}
	if target != id && target != broadcastTarget {
		return "", false
	}
	return command, true
}
