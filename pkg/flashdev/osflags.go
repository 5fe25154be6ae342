package flashdev

import "os"

const osReadWrite = os.O_RDWR
