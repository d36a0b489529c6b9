package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dictionary/transfersyntax"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/media"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/network"

	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

const (
	// offset of the (0002,0000) value in a Part-10 file
	metaLengthOffset = 128 + 4 + 8

	tagQueryRetrieveLevel = "00080052"
)

var dictionaryOnce sync.Once

// loadDictionary initialises the io-dicom data dictionary used for implicit
// VR lookups
func loadDictionary() {
	dictionaryOnce.Do(media.InitDict)
}

// associate opens an association proposing one abstract syntax in implicit
// VR little endian. timeout bounds the whole association in seconds.
func (c *Client) associate(peer Node, abstractSyntax string, timeout int) (network.PDUService, error) {
	pdu := network.NewPDUService()
	pdu.SetCallingAE(c.cfg.Local.AETitle)
	pdu.SetCalledAE(peer.AETitle)
	pdu.SetTimeout(timeout)

	pc := network.NewPresentationContext()
	pc.SetAbstractSyntax(abstractSyntax)
	pc.AddTransferSyntax(transfersyntax.ImplicitVRLittleEndian.UID)
	pdu.AddPresContexts(pc)

	if err := pdu.Connect(peer.Host, strconv.Itoa(peer.Port)); err != nil {
		return nil, fmt.Errorf("association with %s failed: %w", peer, err)
	}
	return pdu, nil
}

// encodeQuery builds the request identifier in ascending tag order. VRs come
// from the data dictionary.
func encodeQuery(query Query) (media.DcmObj, error) {
	elems := make(Query, 0, len(query))
	for _, e := range query {
		if len(e.Key) != 8 {
			return nil, fmt.Errorf("invalid query key %q", e.Key)
		}
		elems = append(elems, e)
	}
	sort.SliceStable(elems, func(i, j int) bool { return elems[i].Key < elems[j].Key })

	loadDictionary()
	obj := media.NewEmptyDCMObj()
	for _, e := range elems {
		group, err1 := strconv.ParseUint(e.Key[:4], 16, 16)
		element, err2 := strconv.ParseUint(e.Key[4:], 16, 16)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid query key %q", e.Key)
		}
		g, el := uint16(group), uint16(element)
		obj.WriteStringGE(g, el, media.GetDictionaryVR(g, el), e.Value)
	}
	return obj, nil
}

// part10 encodes obj as a Part-10 file. The SDK writes the file meta group
// length big endian; it is rewritten little endian here.
func part10(obj media.DcmObj) []byte {
	if obj.GetTransferSyntax() == nil {
		obj.SetTransferSyntax(transfersyntax.ImplicitVRLittleEndian)
	}
	data := obj.WriteToBytes()
	if len(data) >= metaLengthOffset+4 {
		length := binary.BigEndian.Uint32(data[metaLengthOffset:])
		binary.LittleEndian.PutUint32(data[metaLengthOffset:], length)
	}
	return data
}

// decode converts a response identifier into DICOM JSON
func decode(obj media.DcmObj) (dicomfile.Dataset, error) {
	return dicomfile.Parse(part10(obj))
}
