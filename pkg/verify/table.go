package verify

// CertificateAuthority is a known endorsement certificate issuer. The
// exponent of every listed key is 65537.
type CertificateAuthority struct {
	Issuer     string
	ModulusHex string
}

// CATable maps issuer common names to their keys.
type CATable []CertificateAuthority

// Lookup returns the entry whose Issuer equals issuer.
func (t CATable) Lookup(issuer string) (CertificateAuthority, bool) {
	for _, ca := range t {
		if ca.Issuer == issuer {
			return ca, true
		}
	}
	return CertificateAuthority{}, false
}

// KnownEndorsementCAs lists the issuers of endorsement certificates on
// standard devices.
var KnownEndorsementCAs = CATable{
	{
		Issuer: "IFX TPM EK Intermediate CA 06",
		ModulusHex: "de9e58a353313d21d683c687d6aaaab240248717557c077161c5e515f41d8efa" +
			"48329f45658fb550f43f91d1ba0c2519429fb6ef964f89657098c90a9783ad6d" +
			"3baea625db044734c478768db53b6022c556d8174ed744bd6e4455665715cd5c" +
			"beb7c3fcb822ab3dfab1ecee1a628c3d53f6085983431598fb646f04347d5ae0" +
			"021d5757cc6e3027c1e13f10633ae48bbf98732c079c17684b0db58bd0291add" +
			"e277b037dd13fa3db910e81a4969622a79c85ac768d870f079b54c2b98c856e7" +
			"15ef0ba9c01ee1da1241838a1307fe94b1ddfa65cdf7eeaa7e5b4b8a94c3dcd0" +
			"29bb5ebcfc935e56641f4c8cb5e726c68f9dd6b41f8602ef6dc78d870a773571",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 07",
		ModulusHex: "f04c9b5b9f3cbc2509179f5e0f31dceb302900f528458e002c3e914d6b29e5e0" +
			"924b0bcab2dd053f65d9d4a8eea8269c85c419dba640a88e14dc5f8c8c1a4269" +
			"7a5ac4594b36f923110f91d1803d385540c01a433140b06054c77a144ee3a6a6" +
			"5950c20f9215be3473b1002eb6b1756a22fbc18d21efacbbc8c270c66cf74982" +
			"e24f057825cab51c0dd840a4f2d059032239c33e3f52c6ca06fe49bf4f60cc28" +
			"a0fb1173d2ee05a141d30e8ffa32dbb86c1aeb5b309f76c2e462965612ec929a" +
			"0d3b04acfa4525912c76f765e948be71f505d619cc673a889f0ed9e1d75f237b" +
			"7af6a68550253cb4c3a8ff16c8091dbcbdea0ff8eee3d5bd92f49c53c5a15c93",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 14",
		ModulusHex: "D5B2EB8F8F23DD0B5CA0C15D4376E27A0380FD8EB1E52C2C270D961E8C0F66FD" +
			"62E6ED6B3660FFBD8B0735179476F5E9C2EA4C762F5FEEDD3B5EB91785A724BC" +
			"4C0617B83966336DD9DC407640871BF99DF4E1701EB5A1F5647FC57879CBB973" +
			"B2A72BABA8536B2646A37AA5B73E32A4C8F03E35C8834B391AD363F1F7D1DF2B" +
			"EE39233F47384F3E2D2E8EF83C9539B4DFC360C8AEB88B6111E757AF646DC01A" +
			"68DAA908C7F8068894E9E991C59005068DD9B0F87113E6A80AB045DB4C1B23FF" +
			"38A106098C2E184E1CF42A43EA68753F2649999048E8A3C3406032BEB1457070" +
			"BCBE3A93E122638F6F18FF505C35FB827CE5D0C12F27F45C0F59C8A4A8697849",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 16",
		ModulusHex: "B98D42D5284620036A6613ED05A1BE11431AE7DE435EC55F72814652B9265EC2" +
			"9035D401B538A9C84BB5B875450FAE8FBEDEF3430C4108D8516404F3DE4D4615" +
			"2F471013673A7C7F236304C7363B91C0E0FD9FC7A9EC751521A60A6042839CF7" +
			"7AEDE3243D0F51F47ACC39676D236BD5298E18B9A4783C60B2A1CD1B32124909" +
			"D5844649EE4539D6AA05A5902C147B4F062D5145708EAE224EC65A8B51D7A418" +
			"6327DA8F3B9E7C796F8B2DB3D2BDB39B829BDEBA8D2BF882CBADDB75D76FA8FA" +
			"313682688BCD2835533A3A68A4AFDF7E597D8B965402FF22A5A4A418FDB4B549" +
			"F218C3908E66BDCEAB3E2FE5EE0A4A1D9EB41A286ED07B6C112581FDAEA088D9",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 17",
		ModulusHex: "B0F3CC6F02E8C0486501102731069644A815F631ED41676C05CE3F7E5E5E40DF" +
			"B3BF6D99787F2A9BE8F8B8035C03D5C2226072985230D4CE8407ACD6403F72E1" +
			"A4DBF069504E56FA8C0807A704526EAC1E379AE559EB4BBAD9DB4E652B3B14E5" +
			"38497A5E7768BCE0BFFAF800C61F1F2262775C526E1790A2BECF9A072A58F6A0" +
			"F3042B5279FE9957BCADC3C9725428B66B15D5263F00C528AC47716DE6938199" +
			"0FF23BC28F2C33B72D89B5F8EEEF9053B60D230431081D656EA8EC16C7CEFD9E" +
			"F5A9061A3C921394D453D9AC77397D59B4C3BAF258266F65559469C3007987D5" +
			"A8338E10FC54CD930303C37007D6E1E6C63F36BCFBA1E494AFB3ECD9A2407FF9",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 21",
		ModulusHex: "8149397109974D6C0850C8A60304ED7D209B1B88F435B695394DAD9FB4E64180" +
			"02A3940966D2F04103C88659600EEA8E2A5C697C5F989F62D33A06DA10B50075" +
			"F37F3CE6AD070413A0E109E16FE652B393C4DAFC5579CCB9915E9A70F5C05BCE" +
			"0D341D6B887F43C4334BD8EC6A293FFAB737F77A45069CD0345D3D534E84D029" +
			"029C37A267C0CC2D8DCE3E2C76F21A40F5D8D463882A8CBB92D8235685266753" +
			"E8F051E78B681E87810A5B21EF719662A8208DFD94C55A126A112E39E0D732D7" +
			"3C599095FAFF52BBC0E8C5B3DCD904D05DE00D5C5112F3DF7B76602ABE5DC0F8" +
			"F89B55889A24C54EDBA1234AE498BE9B02CB5C8048D1DC90210705BAFC0E2837",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 29",
		ModulusHex: "cd424370776890ace339c62d7faae843bb2c765d27685c0441d278361a929062" +
			"b4c95cc57213c864e91cbb92b1151f17a346a4e754c666f2a3e07ea9ffb9c80f" +
			"e54d9479f73458c64bf7b0ca4e38821dd318e82d6fe387903ca73ca3e59db48e" +
			"fe3b3c7c89599be87bb5e439a6f5843a412d4a321f154955448b71ca0b5fda47" +
			"5c86a1c999dde7a01aa16436e65f0b04874c0db3970546bd806157058c5576a5" +
			"c00b2bce7173c887f388dc4d5267c68fa5c47fcee3d8491071cd7742d43162cb" +
			"285f5ba5e0daa0e910fdce566c5bbf7b3701d51660090344195fd7278456bd98" +
			"48382fc5fceaebf93a2ec88c5722723519692e90d23f869c34d8b1af499d4127",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 30",
		ModulusHex: "a01cc43c4b66076d483086d0713a336f435e33ed23d3cda05f3c60a6f707416a" +
			"9e53f0ef0de62c82a720e9ad94df29805b56b44279fd7389de4c60d498c81e3b" +
			"a27692a045d993e9aaae152768588e5c62213721154529c95b09b201bcb3e573" +
			"3d98e398d6e05215867d94e3d222e5b7df9f948c14533285821658b282be4bd7" +
			"fe7197baa642f556d4f18738adef26b2eebfc64045cf4c5dcbff661aa95429f4" +
			"e2c4921a8723bd8116f0efc038cd4530bb6e9299b7d70327e3fe8790d3d6db3a" +
			"ebd3ccd12aef3d43cf89463a28ad1306a9d430b08c3411bfeeda63b9fdcc9a23" +
			"1ff5cc203a7f5ee713d50e1930add1cd32ff64637fc740edb63380a5e6725381",
	},
	{
		Issuer: "NTC TPM EK Root CA 01",
		ModulusHex: "e836ac61b43e3252d5e1a8a4061997a6a0a272ba3d519d6be6360cc8b4b79e8c" +
			"d53c07a7ce9e9310ca84b82bbdad32184544ada357d458cf224c4a3130c97d00" +
			"4933b5db232d8b6509412eb4777e9e1b093c58b82b1679c84e57a6b218b4d61f" +
			"6dd4c3a66b2dd33b52cb1ffdff543289fa36dd71b7c83b66c1aae37caf7fe88d" +
			"851a3523e3ea92b59a6b0ca095c5e1d191484c1bff8a33048c3976e826d4c12a" +
			"e198f7199d183e0e70c8b46e8106edec3914397e051ae2b9a7f0b4bb9cd7f2ed" +
			"f71064eb0eb473df27b7ccef9a018d715c5fe6ab012a8315f933c7f4fc35d34c" +
			"efc27de224b2e3de3b3ba316d5df8b90b2eb879e219d270141b78dbb671a3a05",
	},
	{
		Issuer: "STM TPM EK Intermediate CA 03",
		ModulusHex: "a5152b4fbd2c70c0c9a0dd919f48ddcde2b5c0c9988cff3b04ecd844f6cc0035" +
			"6c4e01b52463deb5179f36acf0c06d4574327c37572292fcd0f272c2d45ea7f2" +
			"2e8d8d18aa62354c279e03be9220f0c3822d16de1ea1c130b59afc56e08f22f1" +
			"902a07f881ebea3703badaa594ecbdf8fd1709211ba16769f73e76f348e2755d" +
			"bba2f94c1869ef71e726f56f8ece987f345c622e8b5c2a5466d41093c0dc2982" +
			"e6203d96f539b542347a08e87fc6e248a346d61a505f52add7f768a5203d70b8" +
			"68b6ec92ef7a83a4e6d1e1d259018705755d812175489fae83c4ab2957f69a99" +
			"9394ac7a243a5c1cd85f92b8648a8e0d23165fdd86fad06990bfd16fb3293379",
	},
	{
		Issuer: "CROS TPM DEV EK ROOT CA",
		ModulusHex: "cdc108745dc50dd6a1098c31486fb31578607fd64f64b0d91b994244ca1a9a69" +
			"a74c6bccc7f24923e1513e132dc0d9dbcb1b22089299bb6cb669cbf4b704c992" +
			"27bb769fa1f91ab11f67fb464a065b34b1a0e824136af5e59d1ac04bda22c199" +
			"9f7a5b34bd6b50c81b4a88cc097d4dfeb4dc695096463d9529d69f116e2a26de" +
			"070ef3118287072bdbe94466b8737049809bb8e1276b245930051b2bbbad71dd" +
			"20d26349d1d83cdb2ff9c65251a17dae4f400ecc3e77f89e27a75fe0709dc81f" +
			"e172008a3e65de685d9df43e036c557e88f1a9aedf7a91644391523d9728f946" +
			"45c0e8adaf37e9a15777021ad43b675583302402912d66233c59ad05fa3b34ed",
	},
	{
		Issuer: "CROS TPM PRD EK ROOT CA",
		ModulusHex: "bd6f0198ffa7f7d20c15f81642096e335e2cd74734f73008265fc9957bbe018d" +
			"fbac0d2a0ea99f5fb7bbff6f0d367b81199e837c390527972aa5392c2ca0f2a3" +
			"506ee7d4a938f47158a7c56a390df2b781344a82b885a62f1de78f37ec105749" +
			"69d8abf3163f0cf5c67fa05dd4fb3eb07a7571888b7a87ed57735ce476156bf7" +
			"d6eff6cb8c8b303c21ebfe0e11b660edbdf903c70ac16927345d0b38c72f1e60" +
			"1460743584f5a3eaef303dbc5cfda48e4c7a1f338108c7f0c70a694f814b6691" +
			"ba9d058ab988152bb7097a010e400462187811c3e062001bce8aa808db485bd8" +
			"2f7f0e1e2a2ddb95c364dffea4c23e872fc3874c4756e85e6cf8eca6eb6a07bf",
	},
}

// KnownLockedEndorsementCAs lists the issuers of endorsement certificates on
// locked-down platform devices.
var KnownLockedEndorsementCAs = CATable{
	{
		Issuer: "IFX TPM EK Intermediate CA 24",
		ModulusHex: "9D3F39677EBDB7B95F383021EA6EF90AD2BEA4E38B10CA65DCD84D0B33D400FA" +
			"E7E56FC553975FDADD425227F055C029B6544331E3BA50ED33F6CC02D833EA4E" +
			"0EECFE9AD1ADD7095F3A804C560F031E8705A3AD5189CBD62678B5B8205C37ED" +
			"780A3EDE8DE64A08980C048872E789937A49FC4048EADCAC9B3FD0F0DD085E76" +
			"30DDF9C0C31EFF3B77C6C3601AA7C3DCD10F08616C01435697746A61F920335C" +
			"0C45A41149F5D22FCD23DBE35003A9AF7FD91C18715E3709F86A38AB149113C4" +
			"D5273C3C90599734FF627ACBF408B082C76E486091F27446E175C50D340DA0FE" +
			"5C3FE3D590B8729F4E364E5BF7D854D9AE28EFBCD0CE8F19E6462B3A593983DF",
	},
	{
		Issuer: "IFX TPM EK Intermediate CA 50",
		ModulusHex: "ACB01856664D0C81B545DB926D25019FC2D06B4A97DFB91FD7A5AB1A803AA6F4" +
			"12FEEE5E3DEF3634172F1271E893C6848B4D156485917DF6F0504947B39F0A5A" +
			"E14FFBAB9FF00E70448E51F11DEEA1EA16287ABAAE05D3D00FEB1AA064F1CBD9" +
			"E1E67C057087110F9D3023BFA0545C97BD51E473C5B183E50C2984BD9A2DA39B" +
			"7D028B895BD939FF0822595DDC948640D06E57ED72EF43B8D8071D2C3C0497A0" +
			"EC52F682D1637F06979733BAF56DD809D24C20354D73D3849A1C0DAD23AD5CCB" +
			"F8C679242D13FFFE055CC2AB2692897F0329EEA55AF3BB10A4EB4E2937601196" +
			"90D64FB352E3D34E05AB53BD4E01EFE3EF56F6DBE315B76A31B0100BF7096093",
	},
}
