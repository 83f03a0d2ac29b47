package file

import "os"

// WriteFileWithSync writes data and fsyncs before closing, so a power
// loss right after a dump does not leave a truncated file behind.
func WriteFileWithSync(file string, data []byte) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
