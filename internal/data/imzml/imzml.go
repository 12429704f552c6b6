// Package imzml provides a reader for imzML mass-spectrometry-imaging datasets.
//
// An imzML dataset is a pair of files: an XML index (.imzML) describing one
// spectrum per spatial pixel, and a binary file (.ibd) holding the m/z and
// intensity arrays at byte offsets recorded in the index.
package imzml

import "encoding/xml"

// Controlled-vocabulary accessions used by the reader.
// MS:* terms come from the PSI-MS ontology, IMS:* from the imaging extension.
const (
	cvContinuous = "IMS:1000030"
	cvProcessed  = "IMS:1000031"

	cvMaxPixelsX = "IMS:1000042"
	cvMaxPixelsY = "IMS:1000043"

	cvPositionX = "IMS:1000050"
	cvPositionY = "IMS:1000051"
	cvPositionZ = "IMS:1000052"

	cvExternalOffset        = "IMS:1000102"
	cvExternalArrayLength   = "IMS:1000103"
	cvExternalEncodedLength = "IMS:1000104"

	cvMzArray        = "MS:1000514"
	cvIntensityArray = "MS:1000515"

	cvFloat32       = "MS:1000521"
	cvFloat64       = "MS:1000523"
	cvZlib          = "MS:1000574"
	cvNoCompression = "MS:1000576"
)

// The subset of the imzML document that the reader needs. Attributes and
// sections not listed here are skipped during decoding.
type imzMLContent struct {
	XMLName                     xml.Name                    `xml:"http://psi.hupo.org/ms/mzml mzML"`
	FileDescription             fileDescription             `xml:"fileDescription"`
	ReferenceableParamGroupList referenceableParamGroupList `xml:"referenceableParamGroupList"`
	ScanSettingsList            scanSettingsList            `xml:"scanSettingsList"`
	Run                         run                         `xml:"run"`
}

type fileDescription struct {
	FileContent paramContainer `xml:"fileContent"`
}

type referenceableParamGroupList struct {
	Count  int                      `xml:"count,attr"`
	Groups []referenceableParamGroup `xml:"referenceableParamGroup"`
}

type referenceableParamGroup struct {
	ID    string    `xml:"id,attr"`
	CvPar []cvParam `xml:"cvParam"`
}

type scanSettingsList struct {
	Count        int            `xml:"count,attr"`
	ScanSettings []paramContainer `xml:"scanSettings"`
}

type run struct {
	ID           string       `xml:"id,attr"`
	SpectrumList spectrumList `xml:"spectrumList"`
}

type spectrumList struct {
	Count    int        `xml:"count,attr"`
	Spectrum []spectrum `xml:"spectrum"`
}

type spectrum struct {
	Index               int                 `xml:"index,attr"`
	ID                  string              `xml:"id,attr"`
	CvPar               []cvParam           `xml:"cvParam"`
	ScanList            scanList            `xml:"scanList"`
	BinaryDataArrayList binaryDataArrayList `xml:"binaryDataArrayList"`
}

type scanList struct {
	Count int            `xml:"count,attr"`
	Scan  []paramContainer `xml:"scan"`
}

type binaryDataArrayList struct {
	Count           int               `xml:"count,attr"`
	BinaryDataArray []binaryDataArray `xml:"binaryDataArray"`
}

type binaryDataArray struct {
	EncodedLength int            `xml:"encodedLength,attr"`
	GroupRefs     []paramGroupRef `xml:"referenceableParamGroupRef"`
	CvPar         []cvParam      `xml:"cvParam"`
}

type paramGroupRef struct {
	Ref string `xml:"ref,attr"`
}

type paramContainer struct {
	GroupRefs []paramGroupRef `xml:"referenceableParamGroupRef"`
	CvPar     []cvParam       `xml:"cvParam"`
}

type cvParam struct {
	Accession string `xml:"accession,attr"`
	Name      string `xml:"name,attr"`
	Value     string `xml:"value,attr"`
}

func findParam(params []cvParam, accession string) (string, bool) {
	for _, p := range params {
		if p.Accession == accession {
			return p.Value, true
		}
	}
	return "", false
}

func hasParam(params []cvParam, accession string) bool {
	_, ok := findParam(params, accession)
	return ok
}
