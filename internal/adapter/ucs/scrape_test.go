package ucs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flightInfoPage = `<html><body>
<div class="OlcButtonBar">
  <div><div>
    <div class="dropdown-menu">
      <dl>
        <dt>Aircraft</dt><dd> ASW 27 </dd>
        <dt>Registration</dt><dd>D 1234</dd>
        <dt>Competition ID</dt><dd> XY </dd>
      </dl>
    </div>
  </div></div>
</div>
<div class="OlcFlightInfoBox olcfiComment">
  <blockquote><p>Great thermals today.<br>Landed out near the ridge.</p></blockquote>
</div>
</body></html>`

func TestParseFlightInfo(t *testing.T) {
	info, err := parseFlightInfo([]byte(flightInfoPage))
	require.NoError(t, err)
	assert.Equal(t, "ASW 27", info.Aircraft)
	assert.Equal(t, "D-1234", info.Registration)
	assert.Equal(t, "XY", info.CompetitionID)
	assert.Equal(t, "Great thermals today.\n\nLanded out near the ridge.", info.PilotComment)
}

func TestParseFlightInfo_NoCommentPlaceholder(t *testing.T) {
	page := `<html><body>
<div class="OlcFlightInfoBox olcfiComment">
  <blockquote><p>- no Comment -</p></blockquote>
</div>
</body></html>`
	info, err := parseFlightInfo([]byte(page))
	require.NoError(t, err)
	assert.Empty(t, info.PilotComment)
}

func TestParseFlightInfo_MissingSections(t *testing.T) {
	info, err := parseFlightInfo([]byte(`<html><body><p>maintenance</p></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, info.Aircraft)
	assert.Empty(t, info.PilotComment)
}

func TestExtractMobileLoginFragment(t *testing.T) {
	page := `<html><body><div id="OLCmobileLogin"><span>please sign in</span></div></body></html>`
	frag := extractMobileLoginFragment(page)
	assert.Contains(t, frag, "please sign in")

	assert.Empty(t, extractMobileLoginFragment(`<html><body></body></html>`))
}

func TestDecodeIGC_Latin1Fallback(t *testing.T) {
	// 0xE9 is Latin-1 e-acute and invalid standalone UTF-8.
	assert.Equal(t, "café", decodeIGC([]byte{'c', 'a', 'f', 0xE9}))
	assert.Equal(t, "plain", decodeIGC([]byte("plain")))
}
