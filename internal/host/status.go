package host

import "fmt"

// Status is a patch-status value reported to the peer through the status
// characteristic.
type Status uint8

const (
	StatusSrvStarted     Status = 0x01
	StatusCmpOK          Status = 0x02
	StatusSrvExit        Status = 0x03
	StatusCRCErr         Status = 0x04
	StatusPatchLenErr    Status = 0x05
	StatusExtMemWriteErr Status = 0x06
	StatusIntMemErr      Status = 0x07
	StatusInvalMemType   Status = 0x08
	StatusAppError       Status = 0x09
	StatusImgStarted     Status = 0x10
)

var statusNames = map[Status]string{
	StatusSrvStarted:     "srv_started",
	StatusCmpOK:          "cmp_ok",
	StatusSrvExit:        "srv_exit",
	StatusCRCErr:         "crc_err",
	StatusPatchLenErr:    "patch_len_err",
	StatusExtMemWriteErr: "ext_mem_write_err",
	StatusIntMemErr:      "int_mem_err",
	StatusInvalMemType:   "inval_mem_type",
	StatusAppError:       "app_error",
	StatusImgStarted:     "img_started",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// Memory-device selector: the top byte selects a memory type or a command.
const (
	MemSysRAM uint8 = 0x00
	MemRetRAM uint8 = 0x01
	MemI2C    uint8 = 0x02
	MemSPI    uint8 = 0x03
	MemImgI2C uint8 = 0x12
	MemImgSPI uint8 = 0x13
	CmdEnd    uint8 = 0xFD
	CmdReboot uint8 = 0xFE
	CmdAbort  uint8 = 0xFF
)

func isCommand(memType uint8) bool {
	return memType == CmdEnd || memType == CmdReboot || memType == CmdAbort
}

func isMemType(memType uint8) bool {
	switch memType {
	case MemSysRAM, MemRetRAM, MemI2C, MemSPI, MemImgI2C, MemImgSPI:
		return true
	}
	return false
}
