package catalog

// Default descriptors target linux/amd64 only.

func CTRTool() Descriptor {
	return Descriptor{
		ID:       "ctrtool",
		Name:     "CTRTool",
		URL:      "https://github.com/3DSGuy/Project_CTR/releases/download/ctrtool-v1.2.0/ctrtool-v1.2.0-ubuntu_x86_64.zip",
		FileName: "ctrtool",
		HelpArg:  DefaultHelpArg,
		Version:  "1.2.0",
		Archive:  ArchiveZip,
		Member:   "ctrtool",
	}
}

func MakeROM() Descriptor {
	return Descriptor{
		ID:       "makerom",
		Name:     "makerom",
		URL:      "https://github.com/3DSGuy/Project_CTR/releases/download/makerom-v0.18.4/makerom-v0.18.4-ubuntu_x86_64.zip",
		FileName: "makerom",
		HelpArg:  DefaultHelpArg,
		Version:  "0.18.4",
		Archive:  ArchiveZip,
		Member:   "makerom",
	}
}

func ThreeDSTool() Descriptor {
	return Descriptor{
		ID:       "3dstool",
		Name:     "3dstool",
		URL:      "https://github.com/dnasdw/3dstool/releases/download/v1.2.6/3dstool_linux_x86_64.tar.gz",
		FileName: "3dstool",
		HelpArg:  DefaultHelpArg,
		Version:  "1.2.6",
		Archive:  ArchiveTarGz,
		Member:   "3dstool",
	}
}

// Defaults returns the built-in descriptor set.
func Defaults() []Descriptor {
	return []Descriptor{CTRTool(), MakeROM(), ThreeDSTool()}
}
