// Package stage drives the sample stage motion controller over its serial
// line protocol.
//
// Commands and replies are single lines:
//
//	MOVE <axis> <pos>   -> DONE <axis> <pos> | ERR <axis> <message>
//	POS? <axis>         -> POS <axis> <pos>
//	VEL <axis> <v>      -> OK VEL <axis>
//	VEL? <axis>         -> VEL <axis> <v>
//
// Any command may be answered with ERR instead.
package stage

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply kinds.
const (
	KindDone     = "DONE"
	KindError    = "ERR"
	KindPosition = "POS"
	KindVelocity = "VEL"
	KindOK       = "OK"
)

// Reply is one parsed controller line.
type Reply struct {
	Kind    string
	Axis    string
	Value   float64 // DONE, POS and VEL
	Message string  // ERR text, or the acknowledged command for OK
}

// ParseReply parses a controller line. Lines that are not replies, such as
// status chatter, return an error and are ignored by the caller.
func ParseReply(line string) (Reply, error) {
	f := strings.Fields(line)
	if len(f) < 2 {
		return Reply{}, fmt.Errorf("not a stage reply: %q", line)
	}
	r := Reply{Kind: f[0]}
	switch r.Kind {
	case KindDone, KindPosition, KindVelocity:
		if len(f) != 3 {
			return Reply{}, fmt.Errorf("malformed %s reply: %q", r.Kind, line)
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return Reply{}, fmt.Errorf("malformed %s value in %q: %w", r.Kind, line, err)
		}
		r.Axis, r.Value = f[1], v
	case KindError:
		r.Axis = f[1]
		r.Message = strings.Join(f[2:], " ")
	case KindOK:
		if len(f) != 3 {
			return Reply{}, fmt.Errorf("malformed OK reply: %q", line)
		}
		r.Message, r.Axis = f[1], f[2]
	default:
		return Reply{}, fmt.Errorf("not a stage reply: %q", line)
	}
	return r, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func moveCommand(axis string, pos float64) string { return "MOVE " + axis + " " + formatFloat(pos) }
func positionQuery(axis string) string            { return "POS? " + axis }
func velocityCommand(axis string, v float64) string {
	return "VEL " + axis + " " + formatFloat(v)
}
func velocityQuery(axis string) string { return "VEL? " + axis }

// DeviceError is an ERR reply.
type DeviceError struct {
	Axis    string
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("stage rejected %q on axis %s: %s", e.Command, e.Axis, e.Message)
}
