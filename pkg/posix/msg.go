package posix

// MsgFlags is the MSG_* flag word of send(2)/recv(2).
type MsgFlags uint32

const (
	MsgOOB          MsgFlags = 1
	MsgPeek         MsgFlags = 2
	MsgDontRoute    MsgFlags = 4
	MsgCTrunc       MsgFlags = 8
	MsgProbe        MsgFlags = 0x10
	MsgTrunc        MsgFlags = 0x20
	MsgDontWait     MsgFlags = 0x40
	MsgEOR          MsgFlags = 0x80
	MsgWaitAll      MsgFlags = 0x100
	MsgFIN          MsgFlags = 0x200
	MsgSYN          MsgFlags = 0x400
	MsgConfirm      MsgFlags = 0x800
	MsgRST          MsgFlags = 0x1000
	MsgErrQueue     MsgFlags = 0x2000
	MsgNoSignal     MsgFlags = 0x4000
	MsgMore         MsgFlags = 0x8000
	MsgWaitForOne   MsgFlags = 0x10000
	MsgBatch        MsgFlags = 0x40000
	MsgZeroCopy     MsgFlags = 0x4000000
	MsgFastOpen     MsgFlags = 0x20000000
	MsgCMsgCloexec  MsgFlags = 0x40000000
)
