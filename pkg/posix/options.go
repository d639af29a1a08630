package posix

// OptionLevel is the SOL_* level argument of getsockopt/setsockopt.
type OptionLevel int

const (
	SolIP     OptionLevel = 0
	SolSocket OptionLevel = 1
	SolTCP    OptionLevel = 6
	SolUDP    OptionLevel = 17
	SolIPv6   OptionLevel = 41
	SolICMPv6 OptionLevel = 58
	SolRaw    OptionLevel = 255
)

func (l OptionLevel) String() string {
	switch l {
	case SolIP:
		return "IP"
	case SolSocket:
		return "SOCKET"
	case SolTCP:
		return "TCP"
	case SolUDP:
		return "UDP"
	case SolIPv6:
		return "IPV6"
	case SolICMPv6:
		return "ICMPV6"
	case SolRaw:
		return "RAW"
	}
	return "unknown"
}

// Socket-level options (SO_*), SOL_SOCKET level.
const (
	SODebug                       = 1
	SOReuseAddr                   = 2
	SOType                        = 3
	SOError                       = 4
	SODontRoute                   = 5
	SOBroadcast                   = 6
	SOSndBuf                      = 7
	SORcvBuf                      = 8
	SOKeepAlive                   = 9
	SOOOBInline                   = 10
	SONoCheck                     = 11
	SOPriority                    = 12
	SOLinger                      = 13
	SOBSDCompat                   = 14
	SOReusePort                   = 15
	SOPassCred                    = 16
	SOPeerCred                    = 17
	SORcvLowat                    = 18
	SOSndLowat                    = 19
	SORcvTimeoOld                 = 20
	SOSndTimeoOld                 = 21
	SOSecurityAuthentication      = 22
	SOSecurityEncryptionTransport = 23
	SOSecurityEncryptionNetwork   = 24
	SOBindToDevice                = 25
	SOAttachFilter                = 26
	SODetachFilter                = 27
	SOPeerName                    = 28
	SOTimestampOld                = 29
	SOAcceptConn                  = 30
	SOPeerSec                     = 31
	SOSndBufForce                 = 32
	SORcvBufForce                 = 33
	SOPassSec                     = 34
	SOTimestampNSOld              = 35
	SOMark                        = 36
	SOTimestampingOld             = 37
	SOProtocol                    = 38
	SODomain                      = 39
	SORxqOvfl                     = 40
	SOWifiStatus                  = 41
	SOPeekOff                     = 42
	SONoFCS                       = 43
	SOLockFilter                  = 44
	SOSelectErrQueue              = 45
	SOBusyPoll                    = 46
	SOMaxPacingRate               = 47
	SOBPFExtensions               = 48
	SOIncomingCPU                 = 49
	SOAttachBPF                   = 50
	SOAttachReusePortCBPF         = 51
	SOAttachReusePortEBPF         = 52
	SOCnxAdvice                   = 53
	SOTimestampingOptStats        = 54
	SOMemInfo                     = 55
	SOIncomingNapiID              = 56
	SOCookie                      = 57
	SOTimestampingPktInfo         = 58
	SOPeerGroups                  = 59
	SOZeroCopy                    = 60
	SOTxTime                      = 61
	SOBindToIfIndex               = 62
	SOTimestampNew                = 63
	SOTimestampNSNew              = 64
	SOTimestampingNew             = 65
	SORcvTimeoNew                 = 66
	SOSndTimeoNew                 = 67
	SODetachReusePortBPF          = 68
	SOPreferBusyPoll              = 69
	SOBusyPollBudget              = 70
	SONetnsCookie                 = 71
	SOBufLock                     = 72
	SOReserveMem                  = 73
	SOTxRehash                    = 74
	SORcvMark                     = 75
)

// TCP-level options (TCP_*), SOL_TCP level.
const (
	TCPNoDelay   = 1
	TCPMaxSeg    = 2
	TCPCork      = 3
	TCPKeepIdle  = 4
	TCPKeepIntvl = 5
	TCPKeepCnt   = 6
)
