package wire

import "github.com/carlinkos/securelink/internal/errs"

// VersionRange is the four-byte version-exchange payload of spec §4.4/§6.
type VersionRange struct {
	MinMsg byte
	MaxMsg byte
	MinSec byte
	MaxSec byte
}

// SupportedVersion is the only negotiated result this stack accepts,
// per spec §6: "the only supported negotiated version is messaging=2,
// security=2".
const (
	SupportedMsgVersion = 2
	SupportedSecVersion = 2
)

// Local is the VersionRange this implementation advertises.
var Local = VersionRange{
	MinMsg: SupportedMsgVersion, MaxMsg: SupportedMsgVersion,
	MinSec: SupportedSecVersion, MaxSec: SupportedSecVersion,
}

func (v VersionRange) encode() []byte {
	return []byte{v.MinMsg, v.MaxMsg, v.MinSec, v.MaxSec}
}

func decodeVersionRange(payload []byte) (VersionRange, error) {
	if len(payload) != 4 {
		return VersionRange{}, errs.New(errs.FrameMalformed, "version exchange payload must be 4 bytes")
	}
	return VersionRange{
		MinMsg: payload[0], MaxMsg: payload[1],
		MinSec: payload[2], MaxSec: payload[3],
	}, nil
}

// intersects reports whether local and peer both accept
// SupportedMsgVersion and SupportedSecVersion.
func intersects(local, peer VersionRange) bool {
	msgOK := local.MinMsg <= SupportedMsgVersion && SupportedMsgVersion <= local.MaxMsg &&
		peer.MinMsg <= SupportedMsgVersion && SupportedMsgVersion <= peer.MaxMsg
	secOK := local.MinSec <= SupportedSecVersion && SupportedSecVersion <= local.MaxSec &&
		peer.MinSec <= SupportedSecVersion && SupportedSecVersion <= peer.MaxSec
	return msgOK && secOK
}
