package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyForEU868(t *testing.T) {
	triple, err := FrequencyFor(EU868, 0)
	require.NoError(t, err)
	assert.Equal(t, FrequencyTriple{0xd9, 0x06, 0x66}, triple)

	triple, err = FrequencyFor(EU868, 7)
	require.NoError(t, err)
	assert.InDelta(t, 867900000, triple.Hz(), 62)
}

func TestFrequencyForAllRegions(t *testing.T) {
	tests := []struct {
		region   RegionCode
		channels int
		first    uint32
	}{
		{EU868, 8, 868100000},
		{US915, 8, 903900000},
		{AU915, 8, 916800000},
		{AS923, 8, 923200000},
		{IN865, 3, 865062500},
		{CN470, 8, 470300000},
	}

	for _, tt := range tests {
		t.Run(string(tt.region), func(t *testing.T) {
			plan, err := PlanFor(tt.region)
			require.NoError(t, err)
			require.Len(t, plan.UplinkChannels, tt.channels)
			assert.Equal(t, tt.first, plan.UplinkChannels[0])

			for ch := 0; ch < tt.channels; ch++ {
				triple, err := FrequencyFor(tt.region, uint8(ch))
				require.NoError(t, err)
				assert.InDelta(t, plan.UplinkChannels[ch], triple.Hz(), 62, "channel %d", ch)
			}

			_, err = FrequencyFor(tt.region, uint8(tt.channels))
			assert.ErrorIs(t, err, ErrChannelOutOfRange)
		})
	}
}

func TestFrequencyForUnsupportedRegion(t *testing.T) {
	_, err := FrequencyFor(RegionCode("KR920"), 0)
	assert.ErrorIs(t, err, ErrUnsupportedRegion)

	_, err = ParseRegionCode("moon")
	assert.ErrorIs(t, err, ErrUnsupportedRegion)

	code, err := ParseRegionCode(" eu868 ")
	require.NoError(t, err)
	assert.Equal(t, EU868, code)

	code, err = ParseRegionCode("CN470_510")
	require.NoError(t, err)
	assert.Equal(t, CN470, code)
}

func TestPlanForReturnsCopy(t *testing.T) {
	plan, err := PlanFor(EU868)
	require.NoError(t, err)
	plan.UplinkChannels[0] = 1

	again, err := PlanFor(EU868)
	require.NoError(t, err)
	assert.Equal(t, uint32(868100000), again.UplinkChannels[0])
}

func TestParseDataRate(t *testing.T) {
	dr, err := ParseDataRate("SF7BW125")
	require.NoError(t, err)
	assert.Equal(t, DataRate{SpreadFactor: 7, Bandwidth: 125}, dr)
	assert.Equal(t, "SF7BW125", dr.String())

	dr, err = ParseDataRate("sf12bw500")
	require.NoError(t, err)
	assert.Equal(t, DataRate{SpreadFactor: 12, Bandwidth: 500}, dr)

	for _, bad := range []string{"", "SF13BW125", "SF7BW300", "BW125", "SFxBW125"} {
		_, err := ParseDataRate(bad)
		assert.ErrorIs(t, err, ErrUnknownDataRate, bad)
	}
}

func TestReceiveWindows(t *testing.T) {
	eu, err := PlanFor(EU868)
	require.NoError(t, err)

	freq, dr, err := eu.RX1(2, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(868500000), freq)
	assert.Equal(t, DataRate{SpreadFactor: 7, Bandwidth: 125}, dr)

	freq, dr = eu.RX2()
	assert.Equal(t, uint32(869525000), freq)
	assert.Equal(t, DataRate{SpreadFactor: 12, Bandwidth: 125}, dr)

	us, err := PlanFor(US915)
	require.NoError(t, err)
	freq, dr, err = us.RX1(3, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(925100000), freq)
	assert.Equal(t, DataRate{SpreadFactor: 10, Bandwidth: 500}, dr)

	cn, err := PlanFor(CN470)
	require.NoError(t, err)
	freq, _, err = cn.RX1(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(500500000), freq)

	idx, err := us.DataRateIndex(DataRate{SpreadFactor: 7, Bandwidth: 125})
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	_, err = us.DataRateIndex(DataRate{SpreadFactor: 12, Bandwidth: 125})
	assert.ErrorIs(t, err, ErrUnknownDataRate)

	assert.Equal(t, 11, us.MaxPayloadSize(0))
	assert.Equal(t, MaxFRMPayloadSize, eu.MaxPayloadSize(6))
}

func TestParseMACCommands(t *testing.T) {
	cmds, err := ParseMACCommands(false, []byte{LinkCheckAns, 0x0a, 0x02, DevStatusReq})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []byte{0x0a, 0x02}, cmds[0].Payload)
	assert.Equal(t, "LinkCheckAns(0a02)", cmds[0].String())
	assert.Equal(t, DevStatusReq, cmds[1].CID)

	_, err = ParseMACCommands(false, []byte{LinkADRReq, 0x01})
	assert.Error(t, err)

	_, err = ParseMACCommands(false, []byte{0x7f})
	assert.Error(t, err)

	b, err := EncodeMACCommands(cmds)
	require.NoError(t, err)
	assert.Equal(t, []byte{LinkCheckAns, 0x0a, 0x02, DevStatusReq}, b)
}
